// Package storage persists tenants and everything a broadcast reads or writes:
// users, plan catalogs, scheduled broadcast definitions, payments created for
// offers and dispatch reports.
package storage
