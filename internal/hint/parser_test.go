package hint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimalPVR(t *testing.T) {
	src := "category: Libs\nsdesc: \"A test package\"\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "Libs", r.Hints["category"])
}

func TestParseMissingMandatoryKey(t *testing.T) {
	r := Parse("sdesc: \"only sdesc\"\n", PVR, false)
	require.False(t, r.OK())
	assert.Contains(t, r.Errors, "required key 'category' missing")
}

func TestParseUnknownKey(t *testing.T) {
	r := Parse("bogus: 1\ncategory: Libs\nsdesc: \"d\"\n", PVR, false)
	require.False(t, r.OK())
	assert.Contains(t, r.Errors[0], "unknown key bogus")
}

func TestParseDuplicateKey(t *testing.T) {
	src := "category: Libs\ncategory: Net\nsdesc: \"d\"\n"
	r := Parse(src, PVR, false)
	found := false
	for _, e := range r.Errors {
		if e == "duplicate key category" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParseNoValWithValue(t *testing.T) {
	r := Parse("test: yes\ncategory: Libs\nsdesc: \"d\"\n", PVR, false)
	require.False(t, r.OK())
}

func TestParseMultilineQuoted(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nldesc: \"line one\nline two\"\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Contains(t, r.Hints["ldesc"], "line one\nline two")
}

func TestTypoFixWarns(t *testing.T) {
	src := "category: Libs\nsdesc: \"This consistant behavior\"\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, `"This consistent behavior"`, r.Hints["sdesc"])
	assert.NotEmpty(t, r.Warnings)
}

func TestSdescTrailingDotFixed(t *testing.T) {
	src := "category: Libs\nsdesc: \"A description.\"\n"
	r := Parse(src, PVR, false)
	assert.Equal(t, `"A description"`, r.Hints["sdesc"])
}

func TestRequiresBecomesDepends(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nrequires: zlib libfoo\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "libfoo, zlib", r.Hints["depends"])
}

func TestRequiresWithVersionConstraintBecomesDepends(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nrequires: foo (>= 1.0) bar\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "bar, foo (>= 1.0)", r.Hints["depends"])
}

func TestRequiresWithVersionConstraintCommaSeparated(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nrequires: foo (>= 1.0), bar\n"
	r := Parse(src, PVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "bar, foo (>= 1.0)", r.Hints["depends"])
}

func TestBuildDependsCommaSplit(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nhomepage: http://x\nbuild-depends: gcc, cmake\nlicense: MIT\n"
	r := Parse(src, SPVR, false)
	require.True(t, r.OK(), r.Errors)
	assert.Equal(t, "cmake, gcc", r.Hints["build-depends"])
}

func TestLicenseNormalization(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nhomepage: http://x\nlicense: mit\n"
	r := Parse(src, SPVR, false)
	require.False(t, r.OK())
	assert.Contains(t, r.Errors[0], "normalizes to 'MIT'")
}

func TestLicenseExpression(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nhomepage: http://x\nlicense: MIT OR Apache-2.0\n"
	r := Parse(src, SPVR, false)
	require.True(t, r.OK(), r.Errors)
}

func TestStrictRequiresHomepage(t *testing.T) {
	src := "category: Libs\nsdesc: \"d\"\nlicense: MIT\n"
	r := Parse(src, SPVR, true)
	require.False(t, r.OK())
	assert.Contains(t, r.Errors, "required key 'homepage' missing")
}

func TestUnknownCategory(t *testing.T) {
	r := Parse("category: bogus\nsdesc: \"d\"\n", PVR, false)
	require.False(t, r.OK())
	assert.Contains(t, r.Errors[0], "unknown category")
}
