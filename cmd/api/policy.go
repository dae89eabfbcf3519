package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/totegamma/clearance/core"
	"github.com/totegamma/clearance/x/policy"
)

// A fresh install denies everything, so ship a starter set an operator can
// evaluate against and then replace.
var defaultPoliciesJson = `
[
    {
        "name": "suspended clients are blocked outright",
        "priority": 0,
        "active": true,
        "matcher": {
            "clientPattern": "re:^suspended-"
        },
        "engine": {
            "type": "deny"
        },
        "denyMessage": "this client has been suspended"
    },
    {
        "name": "practitioners read clinical records",
        "priority": 100,
        "active": true,
        "matcher": {
            "requiredRoles": ["practitioner"],
            "operations": ["read", "vread", "search"]
        },
        "engine": {
            "type": "allow"
        }
    },
    {
        "name": "patients read their own compartment",
        "priority": 110,
        "active": true,
        "matcher": {
            "userResourceType": "Patient",
            "operations": ["read", "search"],
            "compartment": {
                "type": "Patient",
                "sources": [
                    {"kind": "user-resource"}
                ]
            }
        },
        "engine": {
            "type": "allow"
        }
    }
]`

// seedDefaultPolicies writes the starter policies once, on an empty store.
func seedDefaultPolicies(ctx context.Context, repository policy.Repository) error {
	count, err := repository.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var policies []core.Policy
	err = json.Unmarshal([]byte(defaultPoliciesJson), &policies)
	if err != nil {
		return err
	}

	for _, entry := range policies {
		_, err = repository.Upsert(ctx, entry)
		if err != nil {
			return err
		}
	}

	slog.Info(fmt.Sprintf("seeded %d default policies", len(policies)))
	return nil
}
