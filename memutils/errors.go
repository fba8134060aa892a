package memutils

import "github.com/cockroachdb/errors"

// Kind is the single enum result an operation reports to its caller
type Kind int

const (
	KindNone Kind = iota
	KindInvalidArgument
	KindOutOfMemory
	KindAccessDenied
	KindBusy
	KindNotFound
	KindBadDescriptor
	KindNotSupported
	KindUnknown
)

var kindMapping = map[Kind]string{
	KindNone:            "None",
	KindInvalidArgument: "InvalidArgument",
	KindOutOfMemory:     "OutOfMemory",
	KindAccessDenied:    "AccessDenied",
	KindBusy:            "Busy",
	KindNotFound:        "NotFound",
	KindBadDescriptor:   "BadDescriptor",
	KindNotSupported:    "NotSupported",
	KindUnknown:         "Unknown",
}

func (k Kind) String() string {
	return kindMapping[k]
}

var (
	// ErrInvalidArgument marks malformed, misaligned or out-of-range inputs. It is always
	// detected before any state is mutated.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutOfMemory marks requests that no free range or budget can satisfy
	ErrOutOfMemory = errors.New("out of memory")
	// ErrAccessDenied marks permission violations and operations on unbacked memory
	ErrAccessDenied = errors.New("access denied")
	// ErrBusy marks physical ranges that are already referenced while aliasing is disabled
	ErrBusy = errors.New("resource busy")
	// ErrNotFound marks queries and checked releases on absent physical memory
	ErrNotFound = errors.New("not found")
	// ErrBadDescriptor marks file descriptors that are not open
	ErrBadDescriptor = errors.New("bad file descriptor")
	// ErrNotSupported marks operations that do not apply to the kind of the target memory
	ErrNotSupported = errors.New("operation not supported")

	// ErrTryAgain is returned by physical allocation when no gap inside the search window fits.
	// It is an ErrOutOfMemory.
	ErrTryAgain = NewSentinel("no physical range available", ErrOutOfMemory)
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError = NewSentinel("number must be a power of two", ErrInvalidArgument)

type sentinel struct {
	msg  string
	kind error
}

func (s *sentinel) Error() string { return s.msg }

func (s *sentinel) Is(target error) bool {
	return errors.Is(s.kind, target)
}

// NewSentinel creates a package-level error that satisfies errors.Is against kind, while
// errors.Is against the new sentinel only matches errors wrapping that exact sentinel. Two
// sentinels of the same kind never match each other, and the kind never matches either of them.
func NewSentinel(msg string, kind error) error {
	return &sentinel{msg: msg, kind: kind}
}

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindOutOfMemory, ErrTryAgain},
	{KindInvalidArgument, ErrInvalidArgument},
	{KindOutOfMemory, ErrOutOfMemory},
	{KindAccessDenied, ErrAccessDenied},
	{KindBusy, ErrBusy},
	{KindNotFound, ErrNotFound},
	{KindBadDescriptor, ErrBadDescriptor},
	{KindNotSupported, ErrNotSupported},
}

// KindOf resolves an error returned by any package in this module to its Kind. A nil
// error is KindNone and an error from outside the taxonomy is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	for _, sentinel := range kindSentinels {
		if errors.Is(err, sentinel.err) {
			return sentinel.kind
		}
	}

	return KindUnknown
}

var errnoMapping = map[Kind]string{
	KindNone:            "OK",
	KindInvalidArgument: "EINVAL",
	KindOutOfMemory:     "ENOMEM",
	KindAccessDenied:    "EACCES",
	KindBusy:            "EBUSY",
	KindNotFound:        "ENOENT",
	KindBadDescriptor:   "EBADF",
	KindNotSupported:    "ENOTSUP",
	KindUnknown:         "EUNKNOWN",
}

// Errno renders an error with the errno names the kernel probes use
func Errno(err error) string {
	if errors.Is(err, ErrTryAgain) {
		return "EAGAIN"
	}
	return errnoMapping[KindOf(err)]
}
