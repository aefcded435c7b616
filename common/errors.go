// Copyright 2022 The beacon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound the referenced client or connection is not known
	ErrNotFound = errors.New("not found")
	// ErrValidation the provided input is malformed
	ErrValidation = errors.New("validation failed")
	// ErrTransientStorage the client registry is temporarily unreachable
	ErrTransientStorage = errors.New("storage unavailable")
	// ErrDeliveryFailure an event could not be delivered to a subscriber
	ErrDeliveryFailure = errors.New("delivery failed")
)

// NotFoundError wrap a not-found condition with context
func NotFoundError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// ValidationError wrap a validation failure with context
func ValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// TransientStorageError mark a storage driver error as transient
func TransientStorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
}

// DeliveryError mark a transport send failure as a delivery failure
func DeliveryError(target string, err error) error {
	return fmt.Errorf("send to %s: %w: %w", target, ErrDeliveryFailure, err)
}
