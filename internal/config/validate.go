// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fastkeyd/fastkeyd/pkg/fklog"
)

func Validate(schema string, instance json.RawMessage) {
	sch, err := jsonschema.CompileString("schema.json", schema)
	if err != nil {
		fklog.Fatalf("%#v", err)
	}

	var v any
	if err := json.Unmarshal([]byte(instance), &v); err != nil {
		fklog.Fatal(err)
	}

	if err = sch.Validate(v); err != nil {
		fklog.Fatalf("%#v", err)
	}
}
