// compileinfoprint is imported by every geomx command for the side effect of
// printing the compileinfo to os.Stderr before any flag is parsed.
package compileinfoprint

import "github.com/carbocation/geomx/compileinfo"

func init() {
	compileinfo.PrintToStdErr()
}
