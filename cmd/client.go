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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alwitt/beacon/common"
	"github.com/alwitt/beacon/models"
	"github.com/alwitt/beacon/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// ClientRegisterCLIArgs arguments for registering a client
type ClientRegisterCLIArgs struct {
	ID      int64  `validate:"gte=0"`
	Name    string `validate:"required"`
	Address string `validate:"omitempty,ip"`
	Version string
}

// GetClientRegisterCLIFlags retrieve the set of CMD flags for client registration
func GetClientRegisterCLIFlags(args *ClientRegisterCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "id",
			Usage:       "Client ID. Assigned by the registry if not set.",
			Value:       0,
			DefaultText: "0",
			Destination: &args.ID,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Client display name",
			Aliases:     []string{"n"},
			Destination: &args.Name,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "ip",
			Usage:       "Client network address",
			Destination: &args.Address,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "version",
			Usage:       "Client software version",
			Destination: &args.Version,
			Required:    false,
		},
	}
}

// RegisterClient add a client to the registry
func RegisterClient(
	ctxt context.Context,
	config common.RegistryConfig,
	params ClientRegisterCLIArgs,
	instance string,
	output io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "client-register",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	reg, err := registry.GetSQLiteRegistry(ctxt, config.DBPath, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open client registry")
		return err
	}
	defer func() { _ = reg.Close() }()

	record, err := reg.Register(ctxt, models.ClientRecord{
		ID:      params.ID,
		Name:    params.Name,
		Address: params.Address,
		Version: params.Version,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to register client '%s'", params.Name)
		return err
	}
	return writeJSON(output, record)
}

// ListClients print every client in the registry
func ListClients(
	ctxt context.Context, config common.RegistryConfig, instance string, output io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "client-list",
		"instance":  instance,
	}

	reg, err := registry.GetSQLiteRegistry(ctxt, config.DBPath, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open client registry")
		return err
	}
	defer func() { _ = reg.Close() }()

	records, err := reg.List(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list clients")
		return err
	}
	return writeJSON(output, records)
}

func writeJSON(output io.Writer, value interface{}) error {
	tmp, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(output, "%s\n", tmp)
	return err
}
