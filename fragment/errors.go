// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import "errors"

var (
	errNotAFragment    = errors.New("fragment: bundle does not have the is-fragment flag set")
	errDuplicateOffset = errors.New("fragment: duplicate fragment offset, discarding")
	errExpiredFragment = errors.New("fragment: fragment arrived after its set's expiry, discarding")
)
