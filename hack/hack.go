package hack

import _ "embed"

// SystemdUnitTemplate is the unit installed by `locd install`.
// /path/to/locd is replaced with the executable path.
//
//go:embed locd.service
var SystemdUnitTemplate string
