// Package kerr defines the small integer error taxonomy shared by every
// package in this module, generalizing the teacher's defs.Err_t convention.
package kerr

// Err_t is a small negative error code. Zero means success.
type Err_t int

const (
	// OutOfMemory: an allocation path could not satisfy the request.
	OutOfMemory Err_t = -(iota + 1)
	// Invalid: a bad argument (misaligned address, zero length, ...).
	Invalid
	// NotFound: no matching page, region, object, or tag.
	NotFound
	// Exists: duplicate id or name where uniqueness is required.
	Exists
	// Permission: access bits insufficient for the requested operation.
	Permission
	// Fault: a user memory access landed outside any region, or the
	// region forbids the access.
	Fault
	// NoSys: the variant does not implement this operation.
	NoSys
	// Again: transient condition, retry.
	Again
	// Busy: resource held by another operation.
	Busy
)

func (e Err_t) Error() string {
	switch e {
	case 0:
		return "ok"
	case OutOfMemory:
		return "out of memory"
	case Invalid:
		return "invalid argument"
	case NotFound:
		return "not found"
	case Exists:
		return "exists"
	case Permission:
		return "permission denied"
	case Fault:
		return "fault"
	case NoSys:
		return "not implemented"
	case Again:
		return "transient, retry"
	case Busy:
		return "busy"
	default:
		return "unknown error"
	}
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool { return e == 0 }
