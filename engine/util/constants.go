package util

import (
	"fmt"
)

var (
	MAJOR_VERSION  = int32(0)
	MINOR_VERSION  = int32(91)
	VERSION_NUMBER = fmt.Sprintf("%d.%02d", MAJOR_VERSION, MINOR_VERSION)
	VERSION        = "mayastor io-engine " + VERSION_NUMBER
	COMMIT         = ""
)

func Version() string {
	return VERSION + " " + COMMIT
}
