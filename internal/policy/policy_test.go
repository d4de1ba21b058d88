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

package policy

import (
	"context"
	"errors"
	"testing"
)

func TestFireUnknownEventIgnored(t *testing.T) {
	ResetForTest()

	result, handled, err := Fire(context.Background(), "no_such_event")
	if err != nil || handled || result != nil {
		t.Errorf("Fire = (%v, %v, %v), want silent ignore", result, handled, err)
	}
}

func TestRegisterAndFire(t *testing.T) {
	ResetForTest()

	if err := Register("get_queue_config", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if len(args) != 1 || args[0] != "example.com" {
			t.Errorf("args = %v", args)
		}
		return "answer", nil
	}); err != nil {
		t.Fatal(err)
	}

	result, handled, err := Fire(context.Background(), "get_queue_config", "example.com")
	if err != nil || !handled {
		t.Fatalf("Fire = (%v, %v, %v)", result, handled, err)
	}
	if result != "answer" {
		t.Errorf("result = %v", result)
	}
}

func TestReentrantRegisterFails(t *testing.T) {
	ResetForTest()

	var inner error
	Register("outer", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		inner = Register("sneaky", func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return nil, nil
		})
		return nil, nil
	})

	if _, _, err := Fire(context.Background(), "outer"); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, ErrReentrantRegister) {
		t.Errorf("nested Register: %v", inner)
	}
}

func TestHandlerGetsDeadline(t *testing.T) {
	ResetForTest()

	Register("deadline", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("handler context has no deadline")
		}
		return nil, nil
	})

	if _, _, err := Fire(context.Background(), "deadline"); err != nil {
		t.Fatal(err)
	}
}
