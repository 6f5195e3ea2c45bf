// Copyright 2025 PgScope
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TargetsFile is an optional YAML file declaring named connection targets,
// so operators can connect by name instead of repeating parameters.
//
//	targets:
//	  prod-replica:
//	    hostname: replica.internal
//	    database: app
//	    secret_arn: ${PROD_DB_SECRET_ARN}
type TargetsFile struct {
	Targets map[string]TargetEntry `yaml:"targets"`
}

// TargetEntry mirrors Params in YAML form.
type TargetEntry struct {
	ResourceARN string `yaml:"resource_arn"`
	SecretARN   string `yaml:"secret_arn"`
	Database    string `yaml:"database"`
	Hostname    string `yaml:"hostname"`
	Port        int    `yaml:"port"`
	Region      string `yaml:"region"`
	Username    string `yaml:"username"`
	SecretName  string `yaml:"secret_name"`
	ReadOnly    *bool  `yaml:"readonly"`
}

// LoadTargets parses a targets file. Environment references like
// ${PROD_DB_SECRET_ARN} are expanded before parsing.
func LoadTargets(path string) (*TargetsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var tf TargetsFile
	if err := yaml.Unmarshal([]byte(expanded), &tf); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}
	return &tf, nil
}

// Params converts a named target into resolver parameters.
func (t TargetEntry) Params() Params {
	return Params{
		ResourceARN: t.ResourceARN,
		SecretARN:   t.SecretARN,
		Database:    t.Database,
		Hostname:    t.Hostname,
		Port:        t.Port,
		Region:      t.Region,
		Username:    t.Username,
		SecretName:  t.SecretName,
		ReadOnly:    t.ReadOnly,
	}
}
