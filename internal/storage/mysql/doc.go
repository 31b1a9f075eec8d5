// Package mysql provides the identity data access layer backed by MySQL.
// It encapsulates schema migrations and the strongly typed queries behind
// the identity.Store interface consumed by the plugin capability context.
package mysql
