package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "lightspeed-muc",
	Level: hclog.LevelFromString("DEBUG"),
})
