package diskerror

import "os"

// osExit is a var so tests can substitute it; production always calls
// the real os.Exit.
var osExit = os.Exit
