package descriptor

type descriptorError string

func (e descriptorError) Error() string { return string(e) }

// ErrShortBuffer is returned when decoding from a buffer that is too small.
const ErrShortBuffer = descriptorError("descriptor: short buffer")
