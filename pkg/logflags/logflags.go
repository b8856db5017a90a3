package logflags

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

var target = false
var dexscan = false
var solist = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.InfoLevel
	if flag {
		logger.Logger.Level = logrus.DebugLevel
	}
	return logger
}

// Target returns true if the process-introspection layer should produce
// debug output.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the proc package.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "proc"})
}

// DexScan returns true if the DEX scanner should produce debug output.
func DexScan() bool {
	return dexscan
}

// DexScanLogger returns a logger for the DEX scanner.
func DexScanLogger() *logrus.Entry {
	return makeLogger(dexscan, logrus.Fields{"layer": "dexscan"})
}

// Solist returns true if the soinfo locator should produce debug output.
func Solist() bool {
	return solist
}

// SolistLogger returns a logger for the soinfo locator.
func SolistLogger() *logrus.Entry {
	return makeLogger(solist, logrus.Fields{"layer": "solist"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "target,dexscan,solist"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "target":
			target = true
		case "dexscan":
			dexscan = true
		case "solist":
			solist = true
		}
	}
	return nil
}
