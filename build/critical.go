package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called if a sanity check has failed, indicating
// developer error. If the program does not panic, the call stack for the
// running goroutine is printed to help determine the problem.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe prints a message to os.Stderr and panics if DEBUG is set. Severe
// should be called for problems that are significant but not necessarily
// developer error (disk failure, a corrupt cache record).
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
