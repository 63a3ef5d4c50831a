// Package mysql persists deployment records and batch history in MySQL.
//
// Schema changes live in deploy/migrations and are applied on Open; the
// stores themselves carry no state-machine logic and rely on the
// deployment tracker's per-key lock for write ordering.
package mysql
