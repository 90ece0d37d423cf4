package logging

import (
	"path"
	"runtime"
)

// callerFrame walks past this package's own frames to find the call site
// inside user code, matching the depth the teacher pack's loggerFuncCallDepth
// convention targets.
func callerFrame() (depth int, file string, line int, ok bool) {
	_, f, l, o := runtime.Caller(3)
	if !o {
		return 0, "???", 0, false
	}
	_, name := path.Split(f)
	return 0, name, l, true
}
