package supabase

import (
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
)

type Client struct {
	Supabase *supabase.Client
	URL      string
}

// NewClient connects to a Supabase project with a service key. The key
// must be allowed to write the events and kv tables.
func NewClient(url, key string) (*Client, error) {
	url = strings.TrimRight(url, "/")
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		Supabase: client,
		URL:      url,
	}, nil
}
