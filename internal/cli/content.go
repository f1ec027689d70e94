package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"postify/internal/app"
	"postify/internal/storage"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage publish targets",
	}

	var chatID int64
	var title string
	add := &cobra.Command{
		Use:   "add <tenant_id> <channel_id>",
		Short: "Register a channel a tenant's bot posts to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTools(cmd.Context(), func(t *app.Tools) error {
				c := storage.Channel{ID: args[1], TenantID: args[0], ChatID: chatID, Title: title}
				if err := t.AddChannel(cmd.Context(), c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Channel %s added for tenant %s.\n", c.ID, c.TenantID)
				return nil
			})
		},
	}
	add.Flags().Int64Var(&chatID, "chat-id", 0, "Telegram chat id (e.g. -1001234567890)")
	add.Flags().StringVar(&title, "title", "", "display title")
	_ = add.MarkFlagRequired("chat-id")

	cmd.AddCommand(add)
	return cmd
}

func newPostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Manage post drafts",
	}

	var id, channel, text string
	add := &cobra.Command{
		Use:   "add <tenant_id>",
		Short: "Store a draft post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTools(cmd.Context(), func(t *app.Tools) error {
				postID, err := t.AddPost(cmd.Context(), storage.Post{ID: id, TenantID: args[0], ChannelID: channel, Text: text})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), postID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "post id (default: generated)")
	add.Flags().StringVar(&channel, "channel", "", "default channel id")
	add.Flags().StringVar(&text, "text", "", "post body")
	_ = add.MarkFlagRequired("text")

	cmd.AddCommand(add)
	return cmd
}
