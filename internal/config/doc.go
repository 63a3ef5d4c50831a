// Package config 负责加载守护进程的 JSON 配置、.env 文件以及通过环境变量注入的密钥。
package config
