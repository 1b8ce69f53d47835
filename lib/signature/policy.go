// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/bureau-foundation/ota/lib/config"
)

// PolicyFromConfig builds the policy a device's trust configuration
// describes. A missing key file is only an error when signatures are
// required.
func PolicyFromConfig(trust config.TrustConfig) (*Policy, error) {
	policy := &Policy{Require: trust.RequireSignature}
	if trust.AuthorizedKeys == "" {
		if policy.Require {
			return nil, fmt.Errorf("signatures are required but no trusted keys are configured")
		}
		return policy, nil
	}
	keys, err := LoadAuthorizedKeys(trust.AuthorizedKeys)
	if errors.Is(err, fs.ErrNotExist) && !policy.Require {
		return policy, nil
	}
	if err != nil {
		return nil, err
	}
	if policy.Require && len(keys) == 0 {
		return nil, fmt.Errorf("signatures are required but %s holds no keys", trust.AuthorizedKeys)
	}
	policy.Keys = keys
	return policy, nil
}
