package forge

import (
	"context"
	"fmt"
)

// forgejoClient speaks the Gitea-compatible API, so it covers Gitea too.
type forgejoClient struct {
	api *apiClient
}

func newForgejoClient(baseURL, token string) *forgejoClient {
	return &forgejoClient{api: newAPIClient(baseURL, token, "token ")}
}

type forgejoPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (c *forgejoClient) FindByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	// Forgejo has no head filter on the list endpoint; scan the open PRs.
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls?state=open&limit=50", owner, repo)
	var prs []forgejoPR
	if err := c.api.do(ctx, "GET", endpoint, nil, &prs); err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if pr.Head.Ref == branch {
			return &PullRequest{Number: pr.Number, URL: pr.HTMLURL, Title: pr.Title}, nil
		}
	}
	return nil, nil
}

func (c *forgejoClient) Create(ctx context.Context, req CreateRequest) (*PullRequest, error) {
	body := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	}
	var pr forgejoPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", req.Owner, req.Repo)
	if err := c.api.do(ctx, "POST", endpoint, body, &pr); err != nil {
		return nil, err
	}
	return &PullRequest{Number: pr.Number, URL: pr.HTMLURL, Title: pr.Title}, nil
}
