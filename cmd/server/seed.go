package main

import (
	"context"
	"errors"

	"ksms-live/internal/api"
	"ksms-live/internal/showvote"
	"ksms-live/internal/user"
)

const demoShowID = "demo-show"

var demoAccounts = []struct {
	req  user.RegisterRequest
	role string
}{
	{user.RegisterRequest{Email: "admin@ksms.local", Password: "admin123", FullName: "Show Admin"}, user.RoleAdmin},
	{user.RegisterRequest{Email: "staff@ksms.local", Password: "staff123", FullName: "Booth Staff"}, user.RoleStaff},
	{user.RegisterRequest{Email: "member@ksms.local", Password: "member123", FullName: "Koi Fan"}, user.RoleMember},
}

var demoEntries = []api.VoteEntry{
	{RegistrationID: "demo-reg-1", RegistrationNumber: "KOI-001", KoiName: "Hana", KoiVariety: "Kohaku", Size: 45.5, OwnerName: "Nguyen Lan",
		Media: []api.Media{{MediaType: api.MediaImage, MediaURL: "https://picsum.photos/seed/hana/640/480"}}},
	{RegistrationID: "demo-reg-2", RegistrationNumber: "KOI-002", KoiName: "Sora", KoiVariety: "Showa", Size: 52, OwnerName: "Tran Minh",
		Media: []api.Media{{MediaType: api.MediaVideo, MediaURL: "https://example.com/sora.mp4"}}},
	{RegistrationID: "demo-reg-3", RegistrationNumber: "KOI-003", KoiName: "Yuki", KoiVariety: "Sanke", Size: 38.2, OwnerName: "Le Hoa"},
}

func seed(ctx context.Context, users *user.Service, votes *showvote.SQLRepository) error {
	for _, acct := range demoAccounts {
		if _, err := users.CreateAccount(ctx, &acct.req, acct.role); err != nil && !errors.Is(err, user.ErrEmailTaken) {
			return err
		}
	}
	return votes.SeedShow(ctx, showvote.Show{ID: demoShowID, Name: "Demo Koi Show", Status: "Upcoming"}, demoEntries)
}
