// Package all registers every built-in attacher.
package all

import (
	_ "github.com/HDRUK/RDMP-sub001/internal/attach/cachefile"
	_ "github.com/HDRUK/RDMP-sub001/internal/attach/flatfile"
	_ "github.com/HDRUK/RDMP-sub001/internal/attach/remotetable"
)
