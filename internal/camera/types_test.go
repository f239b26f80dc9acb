package camera

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolution_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		res       Resolution
		expectErr bool
	}{
		{name: "デフォルト", res: Resolution{Width: 1280, Height: 720}},
		{name: "下限", res: Resolution{Width: 64, Height: 64}},
		{name: "上限", res: Resolution{Width: 4096, Height: 4096}},
		{name: "幅が下限未満", res: Resolution{Width: 63, Height: 720}, expectErr: true},
		{name: "高さが上限超過", res: Resolution{Width: 1280, Height: 4097}, expectErr: true},
		{name: "ゼロ", res: Resolution{}, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.res.Validate()
			if tc.expectErr {
				assert.True(t, errors.Is(err, ErrInvalidResolution), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFrameRate(t *testing.T) {
	for _, fps := range []int{1, 30, 60, 120} {
		assert.NoError(t, ValidateFrameRate(fps), "fps=%d", fps)
	}
	for _, fps := range []int{-1, 0, 121, 200} {
		assert.ErrorIs(t, ValidateFrameRate(fps), ErrInvalidFrameRate, "fps=%d", fps)
	}
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		in        string
		want      Mode
		expectErr bool
	}{
		{in: "", want: ModeImageSequence},
		{in: "ImageSequence", want: ModeImageSequence},
		{in: "image_sequence", want: ModeImageSequence},
		{in: " Video ", want: ModeVideo},
		{in: "gif", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMode(tc.in)
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrUnsupportedConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOptics(t *testing.T) {
	o := DefaultOptics()
	require.NoError(t, o.Validate())

	// 24mm はおよそ 73.7 度
	assert.InDelta(t, 73.74, o.FieldOfView(), 0.01)
	assert.InDelta(t, 24.0, FocalLengthForFOV(o.FieldOfView()), 1e-9)
	assert.Equal(t, DefaultFocalLength, FocalLengthForFOV(0))

	invalid := []Optics{
		{FocalLength: 0, FocusDistance: 400},
		{FocalLength: 24, FocusDistance: -1},
		{FocalLength: 24, FocusDistance: 400, Exposure: 11},
		{FocalLength: math.NaN(), FocusDistance: 400},
	}
	for _, o := range invalid {
		assert.ErrorIs(t, o.Validate(), ErrInvalidOptics, "%+v", o)
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("/World/Cameras/Front")

	assert.Equal(t, "Front", s.DisplayName)
	assert.Equal(t, Resolution{Width: 1280, Height: 720}, s.Resolution)
	assert.Equal(t, 30, s.FrameRate)
	assert.Equal(t, ModeImageSequence, s.Mode)
	assert.Empty(t, s.OutputPath)
	assert.True(t, s.Enabled)
	assert.NoError(t, s.Validate())
}

func TestDisplayNameFor(t *testing.T) {
	assert.Equal(t, "cam1", DisplayNameFor("cam1"))
	assert.Equal(t, "Cam", DisplayNameFor("/World/Cam/"))
	assert.Equal(t, "/", DisplayNameFor("/"))
}

func TestSettingsPatch(t *testing.T) {
	assert.True(t, SettingsPatch{}.IsEmpty())

	name := "表示名"
	p := SettingsPatch{DisplayName: &name}
	assert.False(t, p.IsEmpty())
	assert.False(t, p.AffectsRendering())

	fps := 60
	p.FrameRate = &fps
	assert.True(t, p.AffectsRendering())

	enabled := false
	p = SettingsPatch{Enabled: &enabled}
	assert.False(t, p.IsEmpty())
	assert.False(t, p.AffectsRendering())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(Resolution{}.Validate()))
	assert.True(t, IsValidationError(errors.Join(ErrInvalidFrameRate, ErrInvalidOptics)))
	assert.False(t, IsValidationError(ErrIO))
}
