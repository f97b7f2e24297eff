package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/cardsync/internal/client/session"
	"github.com/and161185/cardsync/internal/model"
)

var decksCmd = &cobra.Command{
	Use:     "decks",
	GroupID: "data",
	Short:   "Manage decks",
}

var cardsCmd = &cobra.Command{
	Use:     "cards",
	GroupID: "data",
	Short:   "Manage flashcards",
}

var progressCmd = &cobra.Command{
	Use:     "progress",
	GroupID: "data",
	Short:   "Record review progress",
}

var decksAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a deck",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		return create(cmd, model.Decks, model.Deck{Name: args[0], Description: desc})
	},
}

var decksEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Rename or describe a deck",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit(cmd, model.Decks, args[0], changedStrings(cmd, "name", "description"))
	},
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flashcards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		deck, _ := cmd.Flags().GetString("deck")
		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			rows, err := s.Repo.List(ctx, model.Flashcards)
			if err != nil {
				return err
			}
			if deck != "" {
				kept := rows[:0]
				for _, e := range rows {
					if payload(e)["deckId"] == deck {
						kept = append(kept, e)
					}
				}
				rows = kept
			}
			return printEntities(cmd.OutOrStdout(), rows, "deckId", "front", "back")
		})
	},
}

var cardsAddCmd = &cobra.Command{
	Use:   "add DECK_ID FRONT [BACK]",
	Short: "Create a flashcard",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		deck, err := uuid.FromString(args[0])
		if err != nil {
			return fmt.Errorf("bad deck id: %w", err)
		}
		c := model.Flashcard{DeckID: deck, Front: args[1]}
		if len(args) == 3 {
			c.Back = args[2]
		}
		return create(cmd, model.Flashcards, c)
	},
}

var cardsEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change a flashcard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := changedStrings(cmd, "front", "back")
		if cmd.Flags().Changed("deck") {
			fields["deckId"], _ = cmd.Flags().GetString("deck")
		}
		return edit(cmd, model.Flashcards, args[0], fields)
	},
}

var progressSetCmd = &cobra.Command{
	Use:   "set CARD_ID",
	Short: "Store the scheduling state of a card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		card, err := uuid.FromString(args[0])
		if err != nil {
			return fmt.Errorf("bad card id: %w", err)
		}
		f := cmd.Flags()
		p := model.Progress{CardID: card}
		p.Ease, _ = f.GetFloat64("ease")
		p.IntervalDays, _ = f.GetInt("interval")
		p.Repetitions, _ = f.GetInt("reps")
		now := time.Now().UTC()
		p.LastReviewedAt = &now
		due := now.AddDate(0, 0, p.IntervalDays)
		p.DueAt = &due

		return withSession(cmd, func(ctx context.Context, s *session.Session) error {
			rows, err := s.Repo.List(ctx, model.CardProgress)
			if err != nil {
				return err
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			for _, e := range rows {
				if payload(e)["cardId"] == card.String() {
					res, err := s.Repo.Update(ctx, model.CardProgress, e.ID, e.Version, data)
					if err != nil {
						return err
					}
					return printResult(cmd.OutOrStdout(), res)
				}
			}
			res, err := s.Repo.Create(ctx, model.CardProgress, uuid.Nil, data)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	decksAddCmd.Flags().String("description", "", "deck description")
	decksEditCmd.Flags().String("name", "", "new name")
	decksEditCmd.Flags().String("description", "", "new description")
	decksCmd.AddCommand(listCmd(model.Decks, "name", "description"), decksAddCmd, decksEditCmd, rmCmd(model.Decks))

	cardsListCmd.Flags().String("deck", "", "only cards of this deck")
	cardsEditCmd.Flags().String("front", "", "new front")
	cardsEditCmd.Flags().String("back", "", "new back")
	cardsEditCmd.Flags().String("deck", "", "move to deck")
	cardsCmd.AddCommand(cardsListCmd, cardsAddCmd, cardsEditCmd, rmCmd(model.Flashcards))

	progressSetCmd.Flags().Float64("ease", 2.5, "ease factor")
	progressSetCmd.Flags().Int("interval", 1, "interval in days")
	progressSetCmd.Flags().Int("reps", 0, "successful repetitions")
	progressCmd.AddCommand(listCmd(model.CardProgress, "cardId", "ease", "intervalDays", "dueAt"), progressSetCmd, rmCmd(model.CardProgress))
}

func listCmd(coll model.Collection, keys ...string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List " + string(coll),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				rows, err := s.Repo.List(ctx, coll)
				if err != nil {
					return err
				}
				return printEntities(cmd.OutOrStdout(), rows, keys...)
			})
		},
	}
}

func rmCmd(coll model.Collection) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete from " + string(coll),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("bad id: %w", err)
			}
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				cur, err := s.Repo.Get(ctx, coll, id)
				if err != nil {
					return err
				}
				res, err := s.Repo.Delete(ctx, coll, id, cur.Version)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
}

func create(cmd *cobra.Command, coll model.Collection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session.Session) error {
		res, err := s.Repo.Create(ctx, coll, uuid.Nil, data)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	})
}

// edit sends fields as a partial update against the currently known version.
func edit(cmd *cobra.Command, coll model.Collection, rawID string, fields map[string]string) error {
	id, err := uuid.FromString(rawID)
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("nothing to change")
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session.Session) error {
		cur, err := s.Repo.Get(ctx, coll, id)
		if err != nil {
			return err
		}
		res, err := s.Repo.Update(ctx, coll, id, cur.Version, data)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	})
}

func changedStrings(cmd *cobra.Command, names ...string) map[string]string {
	out := map[string]string{}
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			out[n], _ = cmd.Flags().GetString(n)
		}
	}
	return out
}
