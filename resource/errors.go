package resource

// NotFoundError reports a missing resource, version, branch, or similar
// lookup miss. Callers treat it as recoverable: a missing resource usually
// means "nothing to synchronize yet".
type NotFoundError struct {
	Kind string // what was looked up: "resource version", "version", "branch"
	Key  string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.Key
}

// ValidationError reports a rejected operation: duplicate branch names,
// unsupported strategies, forbidden automatic merges. Validation failures
// are never partially applied.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
