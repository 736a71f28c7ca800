package credentials

import (
	"errors"
	"strings"
	"sync/atomic"

	"pixiv-crawler/internal/config"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Profile is one authenticated browsing identity. Header values are fixed at
// construction time so a request built from a profile is reproducible.
type Profile struct {
	Name           string
	Cookie         string
	UserAgent      string
	Referer        string
	AcceptLanguage string
}

// Headers returns the identity headers carried by every request made with
// this profile.
func (p Profile) Headers() map[string]string {
	return map[string]string{
		"Cookie":          p.Cookie,
		"User-Agent":      p.UserAgent,
		"Referer":         p.Referer,
		"Accept-Language": p.AcceptLanguage,
	}
}

// Pool holds the configured profiles and a rotation cursor. Advancing and
// reading the cursor are safe from concurrent goroutines.
type Pool struct {
	profiles []Profile
	cursor   atomic.Uint64
}

// NewPool builds a pool from configuration, filling in per-profile defaults.
func NewPool(cfgs []config.CredentialConfig) (*Pool, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("credential pool requires at least one profile")
	}
	profiles := make([]Profile, 0, len(cfgs))
	for _, c := range cfgs {
		if strings.TrimSpace(c.Cookie) == "" {
			continue
		}
		p := Profile{
			Name:           c.Name,
			Cookie:         c.Cookie,
			UserAgent:      c.UserAgent,
			Referer:        c.Referer,
			AcceptLanguage: c.AcceptLanguage,
		}
		if p.UserAgent == "" {
			p.UserAgent = defaultUserAgent
		}
		if p.Referer == "" {
			p.Referer = "https://www.pixiv.net/"
		}
		if p.AcceptLanguage == "" {
			p.AcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
		}
		profiles = append(profiles, p)
	}
	if len(profiles) == 0 {
		return nil, errors.New("credential pool requires at least one profile with a cookie")
	}
	return &Pool{profiles: profiles}, nil
}

// Current returns the profile the cursor points at.
func (p *Pool) Current() Profile {
	idx := p.cursor.Load() % uint64(len(p.profiles))
	return p.profiles[idx]
}

// Advance moves the cursor to the next profile, wrapping at the end, and
// returns the newly selected profile.
func (p *Pool) Advance() Profile {
	idx := p.cursor.Add(1) % uint64(len(p.profiles))
	return p.profiles[idx]
}

// Len reports the number of profiles in the pool.
func (p *Pool) Len() int {
	return len(p.profiles)
}

// Index reports the zero-based position of the current profile.
func (p *Pool) Index() int {
	return int(p.cursor.Load() % uint64(len(p.profiles)))
}
