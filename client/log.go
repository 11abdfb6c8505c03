package client

import (
	"fmt"
	"os"
	"time"

	"github.com/ScottMansfield/nanolog"
)

var (
	logSubmit nanolog.Handle
	nlogger   func(nanolog.Handle, ...interface{}) error
)

type logEntry struct {
	Flag     string
	Begin    time.Time
	Duration time.Duration
	Response string
}

func init() {
	// flag, begin ns, duration ns, response
	logSubmit = nanolog.AddLogger("%s,%i64,%i64,%s")
}

// CreateLog Enabling evaluation log in client lib.
func CreateLog(file string) {
	nanoLogout, err := os.Create(file + "_bench.clog")
	if err != nil {
		panic(err)
	}
	if err := nanolog.SetWriter(nanoLogout); err != nil {
		panic(err)
	}
	SetLogger(nanolog.Log)
}

// FlushLog Flush logs to the file.
func FlushLog() {
	if err := nanolog.Flush(); err != nil {
		fmt.Println("log flush err")
	}
}

// SetLogger set the nanolog writer, nil to disable.
func SetLogger(l func(nanolog.Handle, ...interface{}) error) {
	nlogger = l
}

func nanoLog(handle nanolog.Handle, args ...interface{}) error {
	if nlogger != nil {
		return nlogger(handle, args...)
	}
	return nil
}
