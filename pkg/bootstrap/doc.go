// Package bootstrap seeds flag definitions from declarative YAML or
// JSON documents into a storage backend. It is meant for initial
// environment setup and for keeping test or staging backends in a
// known state.
//
// A seed document holds a list of flags:
//
//	flags:
//	  - key: new-checkout
//	    description: New checkout flow
//	    default_enabled: false
//	    rules:
//	      - name: beta-testers
//	        priority: 1
//	        enabled: true
//	        serve_enabled: true
//	        conditions:
//	          - attribute: plan
//	            operator: eq
//	            value: beta
//	  - key: rate-limit
//	    flag_type: number
//	    default_value: 250
//
// YAML is a superset of JSON, so the same decoder accepts both
// formats. Omitted fields get sensible defaults: the name falls back
// to the key, the type to boolean and the status to active. Flag ids
// are assigned by the backend; seed documents should not carry them.
//
// # Usage
//
//	seeder := bootstrap.New(store,
//		bootstrap.WithLogger(log),
//		bootstrap.WithConflictPolicy(bootstrap.ConflictUpdate),
//	)
//	report, err := seeder.SeedFile(ctx, "flags.yaml")
//	if err != nil {
//		return err
//	}
//	log.Info("seeded", "created", report.Created, "updated", report.Updated)
//
// By default seeding stops at the first invalid or unstorable flag;
// WithContinueOnError stores the rest and returns the joined failures
// instead.
package bootstrap
