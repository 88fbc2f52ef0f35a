// Package testdb provides helpers for tests that need a real PostgreSQL
// database. Tests using it are skipped unless DATABASE_URL is set, so the
// default test run needs no external services.
//
// Basic usage:
//
//	func TestSomething(t *testing.T) {
//		db := testdb.GetTestDBWithT(t)
//		// db is migrated and closed on cleanup
//	}
package testdb
