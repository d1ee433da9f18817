// Package all enables every built-in storage backend. Import it for side
// effects from the binary's wiring layer:
//
//	import _ "github.com/HDRUK/RDMP-sub001/internal/storage/all"
package all

import (
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/mssql"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/mysql"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/postgres"
	_ "github.com/HDRUK/RDMP-sub001/internal/storage/sqlite"
)
