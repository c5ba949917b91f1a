// Package testutils provides helpers shared by the vmail test suites.
//
// Key components:
//   - SetupTestDatabase: a migrated, emptied PostgreSQL database for
//     integration tests, configured by config-test.toml
//   - FileBasedS3Mock: an on-disk object store standing in for S3
//
// Example usage:
//
//	func TestMyFunction(t *testing.T) {
//		td := testutils.SetupTestDatabase(t)
//		fx := td.Seed(t, "example.com", "1000", "1234")
//		// Use td and fx in your tests...
//	}
package testutils
