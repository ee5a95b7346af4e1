// This file contains the logrus-backed MetricsCollector. It turns broker
// activity into structured log entries.
package pondsocket

import (
	"github.com/sirupsen/logrus"
)

// LogCollector reports broker activity through a logrus logger.
type LogCollector struct {
	logger *logrus.Logger
}

// NewLogCollector wraps logger into a MetricsCollector. A nil logger falls
// back to the logrus standard logger.
func NewLogCollector(logger *logrus.Logger) *LogCollector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogCollector{logger: logger}
}

func (l *LogCollector) Error(component string, err error) {
	l.logger.WithFields(logrus.Fields{
		"component": component,
	}).WithError(err).Error("broker error")
}

func (l *LogCollector) ConnectionOpened(endpointPath string) {
	l.logger.WithField("endpoint", endpointPath).Info("connection opened")
}

func (l *LogCollector) ConnectionClosed(endpointPath string) {
	l.logger.WithField("endpoint", endpointPath).Info("connection closed")
}

func (l *LogCollector) ChannelCreated(channelName string) {
	l.logger.WithField("channel", channelName).Info("channel created")
}

func (l *LogCollector) ChannelDestroyed(channelName string) {
	l.logger.WithField("channel", channelName).Info("channel destroyed")
}

func (l *LogCollector) MessageReceived(channelName, event string) {
	l.logger.WithFields(logrus.Fields{
		"channel": channelName,
		"event":   event,
	}).Debug("message received")
}

func (l *LogCollector) MessageDelivered(channelName, event string, recipients int) {
	l.logger.WithFields(logrus.Fields{
		"channel":    channelName,
		"event":      event,
		"recipients": recipients,
	}).Debug("message delivered")
}
