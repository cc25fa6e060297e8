package gateway

import (
	"context"
	"encoding/base64"
)

func (a *API) hasCard(ctx context.Context, p Params) (any, error) {
	addresses, err := a.deps.Cards.AddressesOf(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"has_card": len(addresses) > 0}, nil
}

// getCard hands out the one-time card bundle. A second call finds
// nothing; the participant is expected to import the bundle and upload
// the activated credential via save_cred_card.
func (a *API) getCard(ctx context.Context, p Params) (any, error) {
	card, err := a.deps.Cards.GetCard(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"card": base64.StdEncoding.EncodeToString(card)}, nil
}

func (a *API) saveCredCard(ctx context.Context, p Params) (any, error) {
	card := p.Files["card_file"]
	if len(card) == 0 {
		card = []byte(p.Get("card_file"))
	}
	if err := a.deps.Cards.SaveCredCard(ctx, p.Get("username"), card); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}
