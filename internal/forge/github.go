package forge

import (
	"context"
	"fmt"
	"net/url"
)

type githubClient struct {
	api *apiClient
}

func newGitHubClient(baseURL, token string) *githubClient {
	return &githubClient{api: newAPIClient(baseURL, token, "Bearer ")}
}

type githubPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	State   string `json:"state"`
}

func (c *githubClient) FindByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	// GitHub filters by head as owner:branch.
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s",
		owner, repo, url.QueryEscape(owner+":"+branch))
	var prs []githubPR
	if err := c.api.do(ctx, "GET", endpoint, nil, &prs); err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PullRequest{Number: prs[0].Number, URL: prs[0].HTMLURL, Title: prs[0].Title}, nil
}

func (c *githubClient) Create(ctx context.Context, req CreateRequest) (*PullRequest, error) {
	body := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	}
	var pr githubPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", req.Owner, req.Repo)
	if err := c.api.do(ctx, "POST", endpoint, body, &pr); err != nil {
		return nil, err
	}
	return &PullRequest{Number: pr.Number, URL: pr.HTMLURL, Title: pr.Title}, nil
}
