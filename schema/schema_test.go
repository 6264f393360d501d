package schema

import (
	"reflect"
	"testing"
)

type selfAssessment struct {
	_     struct{} `wf:"name=SelfAssessment,description=initial level self-report"`
	Level string   `wf:"description=the self-reported level,required"`
}

func TestSchemaForStruct(t *testing.T) {
	svc := NewService()
	sc, err := svc.SchemaFor(reflect.TypeOf(selfAssessment{}))
	if err != nil {
		t.Fatalf("SchemaFor: %v", err)
	}
	if sc.Name != "SelfAssessment" {
		t.Fatalf("name = %q, want SelfAssessment", sc.Name)
	}
	if len(sc.Properties) != 1 || sc.Properties[0].Name != "Level" || !sc.Properties[0].Required {
		t.Fatalf("unexpected properties: %+v", sc.Properties)
	}
}

func TestRoundTripPropertiesMap(t *testing.T) {
	svc := NewService()
	in := selfAssessment{Level: "INTERMEDIATE"}

	props, err := svc.ToPropertiesMap(in)
	if err != nil {
		t.Fatalf("ToPropertiesMap: %v", err)
	}
	out, err := svc.FromPropertiesMap(reflect.TypeOf(selfAssessment{}), props)
	if err != nil {
		t.Fatalf("FromPropertiesMap: %v", err)
	}
	if out.(selfAssessment) != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestMissingRequiredPropertyFails(t *testing.T) {
	svc := NewService()
	_, err := svc.FromPropertiesMap(reflect.TypeOf(selfAssessment{}), map[string]string{})
	if err == nil {
		t.Fatal("expected error for missing required property")
	}
}

func TestNonStructFallsBackToResultKey(t *testing.T) {
	svc := NewService()
	props, err := svc.ToPropertiesMap("hello")
	if err != nil {
		t.Fatalf("ToPropertiesMap: %v", err)
	}
	if props[ResultKey] != `"hello"` {
		t.Fatalf("result key = %q", props[ResultKey])
	}
	out, err := svc.FromPropertiesMap(reflect.TypeOf(""), props)
	if err != nil {
		t.Fatalf("FromPropertiesMap: %v", err)
	}
	if out.(string) != "hello" {
		t.Fatalf("got %v", out)
	}
}

func TestRegisterNamedLookup(t *testing.T) {
	svc := NewService()
	svc.RegisterNamed("SelfAssessment", reflect.TypeOf(selfAssessment{}))
	got, err := svc.Lookup("SelfAssessment")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != reflect.TypeOf(selfAssessment{}) {
		t.Fatalf("got %v", got)
	}
	if _, err := svc.Lookup("Unknown"); err == nil {
		t.Fatal("expected UnknownError")
	}
}
