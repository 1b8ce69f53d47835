// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// ErrIntegrity is returned when data does not match a hash declared
// earlier in the bundle, or when the payloads do not line up with the
// payload index. A bundle failing this check must not be applied.
var ErrIntegrity = errors.New("bundle integrity check failed")

// ErrDeltaBaseUnavailable is returned when a delta-encoded or
// incremental payload needs content that cannot be found on the
// device, or that does not hash to the declared value.
var ErrDeltaBaseUnavailable = errors.New("delta base unavailable")

func integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", stlv.ErrCorrupt, fmt.Sprintf(format, args...))
}

// unexpectedTag reports a known tag in a segment where it has no
// meaning. Unknown tags never get here: the codec has already skipped
// or rejected them.
func unexpectedTag(segment, tag stlv.Tag) error {
	return corruptf("unexpected %s in %s", tags.NameOrHex(tag), tags.NameOrHex(segment))
}

func missingTag(segment, tag stlv.Tag) error {
	return corruptf("%s is missing %s", tags.NameOrHex(segment), tags.NameOrHex(tag))
}

func duplicateTag(segment, tag stlv.Tag) error {
	return corruptf("%s appears twice in %s", tags.NameOrHex(tag), tags.NameOrHex(segment))
}
