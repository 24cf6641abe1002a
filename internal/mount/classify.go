package mount

import (
	"errors"
	"strings"
)

// Output fragments and HRESULTs that mean the image or mount directory is
// held by someone else for now. Anything else is treated as permanent.
var transientMarkers = []string{
	"being used by another process",
	"the device is not ready",
	"resource busy",
	"device or resource busy",
	"0x800700aa", // ERROR_BUSY
	"0x80070020", // ERROR_SHARING_VIOLATION
	"0x80070021", // ERROR_LOCK_VIOLATION
	"0xc1420127", // image already mounted for read/write
	"0xc1420117", // mount directory could not be completely unmounted
}

// classify wraps a tool failure into a *MountError.
func classify(op, imageName, tool string, err error) *MountError {
	if err == nil {
		return nil
	}
	var me *MountError
	if errors.As(err, &me) {
		return me
	}
	return &MountError{
		Op:        op,
		Image:     imageName,
		Tool:      tool,
		Transient: transientText(err),
		Err:       err,
	}
}

func transientText(err error) bool {
	text := strings.ToLower(err.Error())
	var te *ToolError
	if errors.As(err, &te) {
		text += " " + strings.ToLower(te.Output)
	}
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
