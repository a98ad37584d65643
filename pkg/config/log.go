// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"strings"

	log "github.com/cihub/seelog"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger sets up the process logger. An empty logFile disables file
// logging.
func SetupLogger(logLevel, logFile string, logToConsole bool) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">`
	if logToConsole {
		configTemplate += `<console />`
	}
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`
	seelogConfig := fmt.Sprintf(configTemplate, strings.ToLower(logLevel), logDateFormat)

	logger, err := log.LoggerFromConfigAsString(seelogConfig)
	if err != nil {
		return err
	}
	logger.SetAdditionalStackDepth(1) //nolint:errcheck
	log.ReplaceLogger(logger)         //nolint:errcheck
	return nil
}

// ErrorLogWriter is a Writer that logs all written messages with the global
// seelog logger at an error level
type ErrorLogWriter struct{}

func (s *ErrorLogWriter) Write(p []byte) (n int, err error) {
	log.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}
