// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

// HTTP Header and MIME constants used by the router and its transport.
const (
	HeaderContentType   = "Content-Type"
	MIMEApplicationJSON = "application/json"
)
