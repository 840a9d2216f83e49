// Package logging holds the logrus setup shared by the server and the
// command line tools.
package logging

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var hookOnce sync.Once

// New returns an entry on the standard logger, whose messages are prefixed
// with the given tag.
func New(tag string) *logrus.Entry {
	hookOnce.Do(func() { logrus.AddHook(new(TaggedHook)) })
	return logrus.NewEntry(logrus.StandardLogger()).WithField("tag", tag)
}

// Configure sets the level and format of the standard logger.
func Configure(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// TaggedHook moves the "tag" field into the message, as "[tag]: message".
type TaggedHook struct{}

func (h *TaggedHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *TaggedHook) Fire(entry *logrus.Entry) error {
	if tagObj, loaded := entry.Data["tag"]; loaded {
		tag, ok := tagObj.(string)
		if !ok {
			return nil
		}
		delete(entry.Data, "tag")
		entry.Message = strings.ReplaceAll(entry.Message, tag+": ", "")
		entry.Message = "[" + tag + "]: " + entry.Message
	}
	return nil
}
