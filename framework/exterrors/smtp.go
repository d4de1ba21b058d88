/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"fmt"
)

// EnhancedCode is a machine-readable status code as defined in RFC 3463.
type EnhancedCode [3]int

func (code EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
}

// IsZero reports whether the code is unset. Servers are not required to send
// enhanced codes and their absence is meaningful for response
// disambiguation.
func (code EnhancedCode) IsZero() bool {
	return code == EnhancedCode{}
}

// SMTPError is the used to represent a failed SMTP interaction along with
// the status information that should be reported for it.
//
// SMTPError values are the canonical way delivery failures travel through
// the engine: the code determines whether the failure is temporary (4xx) or
// permanent, the enhanced code refines the meaning and the remaining fields
// provide context for logging.
type SMTPError struct {
	// SMTP status code.
	Code int

	// Enhanced status code, all zeros if the server did not send one.
	EnhancedCode EnhancedCode

	// Message text, with lines joined using a single space.
	Message string

	// The SMTP command that solicited this response, if known.
	Command string

	// Underlying error, if the failure was a local one (e.g. an I/O error).
	Err error

	// Short explanation used instead of Message for the 'reason' log field.
	Reason string

	// Additional log fields.
	Misc map[string]interface{}
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+4)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	if !err.EnhancedCode.IsZero() {
		ctx["smtp_enchcode"] = err.EnhancedCode
	}
	ctx["smtp_msg"] = err.Message
	if err.Command != "" {
		ctx["command"] = err.Command
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

func (err *SMTPError) Error() string {
	if err.EnhancedCode.IsZero() {
		return fmt.Sprintf("%d %s", err.Code, err.Message)
	}
	return fmt.Sprintf("%d %s %s", err.Code, err.EnhancedCode, err.Message)
}

// SingleLine flattens the response into the form used for bounce
// classification: code, enhanced code (if any) and the message content with
// newlines replaced by spaces.
func (err *SMTPError) SingleLine() string {
	return err.Error()
}

// SMTPCode returns the SMTP code that should be used to report err.
//
// If err implements Temporary(), the temporaryCode or permanentCode is
// picked based on its result. Errors without Temporary() use temporaryCode.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode mirrors SMTPCode for the enhanced status code, fixing up the
// class digit to match the error classification.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
