// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package config

import (
	"fmt"
	"strings"

	seelog "github.com/cihub/seelog"

	"github.com/pitchai/e2e-sentinel/pkg/util/log"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// LoggerName specifies the name of an instantiated logger
type LoggerName string

// SetupLogger sets up the default logger
func SetupLogger(loggerName LoggerName, logLevel, logFile string, logToConsole bool) error {
	configTemplate := `<seelog minlevel="%[1]s">
    <outputs formatid="common">`
	if logToConsole {
		configTemplate += `<console />`
	}
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	configTemplate += fmt.Sprintf(`</outputs>
    <formats>
        <format id="common" format="%%%%Date(%s) | %s | %%%%LEVEL | (%%%%RelFile:%%%%Line) | %%%%Msg%%%%n"/>
    </formats>
</seelog>`, logDateFormat, loggerName)

	cfg := fmt.Sprintf(configTemplate, strings.ToLower(logLevel))

	logger, err := seelog.LoggerFromConfigAsString(cfg)
	if err != nil {
		return err
	}
	log.SetupLogger(logger, logLevel)
	return nil
}
