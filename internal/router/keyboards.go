package router

import (
	"math"
	"strconv"

	"chatpair/backend/internal/models"
)

// Callback payloads carried by inline buttons.
const (
	cbAgeYes       = "age_yes"
	cbTermsAccept  = "terms_accept"
	cbGenderPrefix = "gender_"
	cbFindPrefix   = "find_"
	cbCancel       = "cancel"
	cbPairPrefix   = "pair_"
	cbConfirmYes   = "confirm_yes"
	cbConfirmNo    = "confirm_no"
)

func (r *Router) btn(lang, key, data string) models.Button {
	return models.Button{Text: r.loc.GetString(lang, key), Data: data}
}

func (r *Router) ageKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{r.btn(lang, "btn_age_yes", cbAgeYes)}}
}

func (r *Router) termsKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{r.btn(lang, "btn_terms_accept", cbTermsAccept)}}
}

func (r *Router) genderKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{
		r.btn(lang, "btn_gender_male", cbGenderPrefix+string(models.GenderMale)),
		r.btn(lang, "btn_gender_female", cbGenderPrefix+string(models.GenderFemale)),
	}}
}

func (r *Router) filterKeyboard(lang string) [][]models.Button {
	return [][]models.Button{
		{r.btn(lang, "btn_find_any", cbFindPrefix+string(models.FilterAny))},
		{
			r.btn(lang, "btn_find_male", cbFindPrefix+string(models.FilterMale)),
			r.btn(lang, "btn_find_female", cbFindPrefix+string(models.FilterFemale)),
		},
	}
}

func (r *Router) cancelKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{r.btn(lang, "btn_cancel", cbCancel)}}
}

func (r *Router) pairKeyboard(lang string) [][]models.Button {
	pairs := r.exchange.Rates().Pairs()
	rows := make([][]models.Button, 0, len(pairs)+1)
	for _, p := range pairs {
		rows = append(rows, []models.Button{{Text: p.From + " → " + p.To, Data: cbPairPrefix + p.Code()}})
	}
	return append(rows, []models.Button{r.btn(lang, "btn_cancel", cbConfirmNo)})
}

func (r *Router) cancelExchangeKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{r.btn(lang, "btn_cancel", cbConfirmNo)}}
}

func (r *Router) confirmKeyboard(lang string) [][]models.Button {
	return [][]models.Button{{
		r.btn(lang, "btn_confirm_yes", cbConfirmYes),
		r.btn(lang, "btn_confirm_no", cbConfirmNo),
	}}
}

// formatAmount prints up to eight decimals without trailing zeros.
func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e8)/1e8, 'f', -1, 64)
}
