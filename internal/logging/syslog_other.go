//go:build windows || plan9

package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func addSyslog(*logrus.Logger) error {
	return errors.New("syslog is not supported on this platform")
}
