package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vd-catalogd.io/catalogd/internal/broker"
)

func validSpec() Spec {
	return Spec{
		Name:            "Sales",
		Description:     "sales desktops",
		Count:           2,
		DesktopType:     broker.DesktopTypePooled,
		Template:        `XDHyp:\HostingUnits\cloud\Win10.template`,
		Network:         `XDHyp:\HostingUnits\cloud\Tenant.network`,
		ComputeOffering: "Medium",
		Users:           []string{`EXAMPLE\jdoe`},
	}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, validSpec().Validate())

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty name", func(s *Spec) { s.Name = "" }},
		{"name with spaces", func(s *Spec) { s.Name = "Sales Floor" }},
		{"name too long", func(s *Spec) { s.Name = "SalesFloorOps" }},
		{"empty description", func(s *Spec) { s.Description = "" }},
		{"zero count", func(s *Spec) { s.Count = 0 }},
		{"negative count", func(s *Spec) { s.Count = -1 }},
		{"no users", func(s *Spec) { s.Users = nil }},
		{"unknown desktop type", func(s *Spec) { s.DesktopType = "Floating" }},
		{"no template", func(s *Spec) { s.Template = "" }},
		{"no network", func(s *Spec) { s.Network = "" }},
		{"no compute offering", func(s *Spec) { s.ComputeOffering = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			assert.Error(t, spec.Validate())
		})
	}
}

func TestSpecValidateNameCharacters(t *testing.T) {
	for _, name := range []string{"Sales", "sales-01", "A$dept_2"} {
		spec := validSpec()
		spec.Name = name
		assert.NoError(t, spec.Validate(), name)
	}
	for _, name := range []string{"Sales!", "a.b", `dom\Sales`} {
		spec := validSpec()
		spec.Name = name
		assert.Error(t, spec.Validate(), name)
	}
}

func TestNamingScheme(t *testing.T) {
	assert.Equal(t, "Sales###", NamingScheme("Sales"))
	assert.Equal(t, "SalesFloor###", NamingScheme("Sales Floor"))
	assert.Equal(t, "SalesFloorOp###", NamingScheme("Sales Floor Operations"))
}

func TestEnumDesktopNames(t *testing.T) {
	assert.Equal(t, []string{"Sales000", "Sales001", "Sales002"}, EnumDesktopNames("Sales", 3))
	assert.Empty(t, EnumDesktopNames("Sales", 0))
}
