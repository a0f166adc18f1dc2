package platform

type platformError string

func (e platformError) Error() string { return string(e) }

// Errors returned by the host platform
const (
	ErrOutOfMemory   = platformError("platform: out of coherent memory")
	ErrBadAddress    = platformError("platform: address outside coherent memory")
	ErrDoubleFree    = platformError("platform: block already freed")
	ErrForeignMemory = platformError("platform: memory not allocated by this platform")
	ErrBusy          = platformError("platform: channel busy")
	ErrClosed        = platformError("platform: arena closed")
	ErrBadChannel    = platformError("platform: channel out of range")
)
