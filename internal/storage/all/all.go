// Package all enables every built-in database output backend. Import it for
// its side effects:
//
//	import _ "github.com/takurot/mlprep/internal/storage/all"
package all

import (
	_ "github.com/takurot/mlprep/internal/storage/mssql"
	_ "github.com/takurot/mlprep/internal/storage/mysql"
	_ "github.com/takurot/mlprep/internal/storage/postgres"
	_ "github.com/takurot/mlprep/internal/storage/sqlite"
)
