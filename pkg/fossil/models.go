// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil

// Well-known system content models and relationship predicates. An object
// asserting ModelServiceDeployment participates in the deployment map.
const (
	ModelServiceDeployment = PID("fossil-system:ServiceDeployment")
	ModelServiceDefinition = PID("fossil-system:ServiceDefinition")
	ModelContentModel      = PID("fossil-system:ContentModel")

	PredicateHasModel       = "info:fossil/rel#hasModel"
	PredicateIsDeploymentOf = "info:fossil/rel#isDeploymentOf"
	PredicateIsContractorOf = "info:fossil/rel#isContractorOf"

	objectURIPrefix = "info:fossil/"
)

// ObjectURI returns the URI form of a pid, used as relationship object.
func ObjectURI(pid PID) string { return objectURIPrefix + string(pid) }

// PIDFromURI extracts the pid from an object URI. It returns a zero PID
// when the uri does not carry the object prefix.
func PIDFromURI(uri string) PID {
	if len(uri) > len(objectURIPrefix) && uri[:len(objectURIPrefix)] == objectURIPrefix {
		return PID(uri[len(objectURIPrefix):])
	}
	return ""
}

func modelURI(model PID) string { return ObjectURI(model) }

// DeploymentTargets extracts the (content model, service definition) pids a
// service-deployment object binds itself to, from its relationship triples.
// An explicit lookup table is derived from these by the deployment map.
func DeploymentTargets(obj *Object) (models, definitions []PID) {
	for _, t := range obj.Relationships {
		switch t.Predicate {
		case PredicateIsContractorOf:
			if pid := PIDFromURI(t.Object); !pid.IsZero() {
				models = append(models, pid)
			}
		case PredicateIsDeploymentOf:
			if pid := PIDFromURI(t.Object); !pid.IsZero() {
				definitions = append(definitions, pid)
			}
		}
	}
	return models, definitions
}
