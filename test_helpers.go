// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"io"
	"log/slog"
)

// discardLogHandler returns a handler that drops every record, keeping test
// output quiet.
func discardLogHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}
