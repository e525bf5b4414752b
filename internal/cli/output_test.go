package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeConfig, "registry is invalid", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
	assert.Equal(t, "registry is invalid", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "prompts.tsv", "row": "4"}
	err := formatter.Error(CodeConfig, "bad row", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("registry valid")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "registry valid")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error(CodeLock, "another run is in progress", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_LOCK]")
	assert.Contains(t, buf.String(), "another run is in progress")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"unit": "news"}
	err := formatter.Error(CodeUnitFailures, "1 unit(s) failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_UNITS]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Processing %s", "news")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Processing news")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestCLIResponse_JSON(t *testing.T) {
	resp := CLIResponse{
		Status: "ok",
		Data:   map[string]int{"count": 42},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded CLIResponse
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "ok", decoded.Status)
}

func TestCLIError_JSON(t *testing.T) {
	cliErr := CLIError{
		Code:    CodeConfig,
		Message: "validation failed",
		Details: []string{"no search units defined"},
	}

	data, err := json.Marshal(cliErr)
	require.NoError(t, err)

	var decoded CLIError
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, CodeConfig, decoded.Code)
	assert.Equal(t, "validation failed", decoded.Message)
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"nil", nil, ExitSuccess, CodeFailure},
		{"plain error", errors.New("boom"), ExitFailure, CodeFailure},
		{"config", NewExitError(ExitConfig, "bad"), ExitConfig, CodeConfig},
		{"lock", WrapExitError(ExitLock, "held", errors.New("pid 1")), ExitLock, CodeLock},
		{"units", fmt.Errorf("run: %w", NewExitError(ExitUnitFailures, "1 failed")), ExitUnitFailures, CodeUnitFailures},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.code, errorCode(GetExitCode(tt.err)))
			}
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := WrapExitError(ExitConfig, "invalid registry", errors.New("no search units defined"))
	assert.Equal(t, "invalid registry: no search units defined", err.Error())
	assert.Equal(t, "bare", NewExitError(ExitFailure, "bare").Error())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := NewExitError(ExitLock, "another run is in progress")
	failed := formatter.Fail(err, nil)
	assert.ErrorIs(t, failed, err)
	assert.Equal(t, err.Error(), failed.Error())
	assert.Equal(t, ExitLock, GetExitCode(failed))
	assert.True(t, Reported(failed))
	assert.False(t, Reported(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, CodeLock, resp.Error.Code)
	assert.Equal(t, "another run is in progress", resp.Error.Message)

	// A reported error is written once even when passed through Fail again.
	buf.Reset()
	assert.Same(t, failed, formatter.Fail(failed, nil))
	assert.Empty(t, buf.String())
}
