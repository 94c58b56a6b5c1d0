package core

// mapFile is set by platforms that support memory mapping dump files.
var mapFile func(fd int, offset int64, length int) (data []byte, err error)

// unmapFile releases a mapping created by mapFile.
var unmapFile func(data []byte) error

// UnmapFile releases data returned by MapFile.
func UnmapFile(data []byte) error {
	if unmapFile == nil || data == nil {
		return nil
	}
	return unmapFile(data)
}
