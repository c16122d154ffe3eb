package service

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const defaultTOTPIssuer = "Session Trust"

// TOTPProvider issues and checks RFC 6238 codes. Zero fields fall back to the
// authenticator defaults: 30s period, one period of skew, six SHA1 digits.
type TOTPProvider struct {
	Issuer    string
	Period    uint
	Skew      uint
	Digits    otp.Digits
	Algorithm otp.Algorithm
}

func NewTOTPProvider(issuer string) *TOTPProvider {
	return &TOTPProvider{Issuer: issuer}
}

// NewKey generates a secret for account and returns it with the otpauth URL
// that authenticator apps scan.
func (p *TOTPProvider) NewKey(issuer string, account string) (string, string, error) {
	if strings.TrimSpace(issuer) == "" {
		issuer = p.Issuer
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultTOTPIssuer
	}
	if strings.TrimSpace(account) == "" {
		account = "pending"
	}
	opts := p.validateOpts()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      opts.Period,
		Digits:      opts.Digits,
		Algorithm:   opts.Algorithm,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func (p *TOTPProvider) ValidateCode(secret string, code string, at time.Time) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, at, p.validateOpts())
	return err == nil && valid
}

func (p *TOTPProvider) validateOpts() totp.ValidateOpts {
	opts := totp.ValidateOpts{
		Period:    p.Period,
		Skew:      p.Skew,
		Digits:    p.Digits,
		Algorithm: p.Algorithm,
	}
	if opts.Period == 0 {
		opts.Period = 30
	}
	if opts.Skew == 0 {
		opts.Skew = 1
	}
	if opts.Digits == 0 {
		opts.Digits = otp.DigitsSix
	}
	return opts
}
