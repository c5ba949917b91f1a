package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It is used to signal to the database layer that a query should be
	// executed on the primary (write) database connection pool, bypassing
	// the read replica pool. A call that has just saved a message reads its
	// own write through this key.
	UseMasterDBKey = ContextKey("use_master")

	// ChannelIDContextKey carries the ARI channel id of the call a request
	// is made on behalf of. Used for log correlation only.
	ChannelIDContextKey = ContextKey("channel_id")
)
