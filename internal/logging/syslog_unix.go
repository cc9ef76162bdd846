//go:build !windows && !plan9

package logging

import (
	"log/syslog"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

const syslogTag = "gamemon"

func addSyslog(logger *logrus.Logger) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_USER, syslogTag)
	if err != nil {
		return errors.Wrap(err, "failed to connect to syslog")
	}
	logger.AddHook(hook)
	return nil
}
