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

package smtpconn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KumoCorp/kumomta/framework/exterrors"
)

// Response is the engine's view of one SMTP reply.
type Response struct {
	Code int `json:"code"`

	// EnhancedCode is all zeros when the server did not send one. The
	// distinction matters: a bare 452 is ambiguous in a multi-recipient
	// transaction while 4.2.2 attributes the failure to the mailbox.
	EnhancedCode exterrors.EnhancedCode `json:"enhanced_code,omitempty"`

	// Content with multi-line responses joined.
	Content string `json:"content"`

	// Command that solicited the reply, if known.
	Command string `json:"command,omitempty"`
}

// SingleLine flattens the response for bounce classification: code,
// enhanced code if present, then the content with newlines replaced by
// spaces.
func (r Response) SingleLine() string {
	content := strings.ReplaceAll(strings.ReplaceAll(r.Content, "\r\n", " "), "\n", " ")
	if r.EnhancedCode.IsZero() {
		return fmt.Sprintf("%d %s", r.Code, content)
	}
	return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, content)
}

// Temporary classifies by the status code class.
func (r Response) Temporary() bool {
	return r.Code/100 == 4
}

// ResponseFromError recovers the Response carried by a delivery error.
// Local failures (I/O, DNS, timeouts) synthesize a 421 so that every
// disposition has a loggable response.
func ResponseFromError(err error) Response {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return Response{
			Code:         smtpErr.Code,
			EnhancedCode: smtpErr.EnhancedCode,
			Content:      smtpErr.Message,
			Command:      smtpErr.Command,
		}
	}

	code := 421
	enhanced := exterrors.EnhancedCode{4, 4, 0}
	if !exterrors.IsTemporaryOrUnspec(err) {
		code = 550
		enhanced = exterrors.EnhancedCode{5, 0, 0}
	}
	return Response{
		Code:         code,
		EnhancedCode: enhanced,
		Content:      err.Error(),
	}
}
