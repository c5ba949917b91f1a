package consts

// VmailAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one vmail instance or admin tool can run migrations
// at a time.
const VmailAdvisoryLockID = 58213907
