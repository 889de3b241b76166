package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/restatus/internal/bilibili"
	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/geo"
	"github.com/goodtune/restatus/internal/steam"
)

var (
	checkLat    float64
	checkLon    float64
	checkImgKey string
	checkSubKey string
	checkWts    int64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check lookups and signatures interactively",
	Long:  `Run the geo resolver, request signer and Steam ID conversion outside the server.`,
}

var checkGeoCmd = &cobra.Command{
	Use:   "geo [flags] [IP]",
	Short: "Resolve a location for an IP or coordinates",
	Example: `  restatus -c config.yaml check geo 8.8.8.8
  restatus check geo --lat 30.25 --lon 120.17`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckGeo,
}

var checkSignCmd = &cobra.Command{
	Use:   "sign [flags] KEY=VALUE...",
	Short: "Sign Bilibili request parameters",
	Example: `  restatus check sign --img-key 7cd084941338484aae1ad9425b84077c \
    --sub-key 4932caff0ff746eab6f01bf08b70ac45 mid=2 ps=30`,
	RunE: runCheckSign,
}

var checkSteamIDCmd = &cobra.Command{
	Use:     "steam-id ID",
	Short:   "Convert a Steam ID to SteamID64",
	Example: `  restatus check steam-id STEAM_0:1:12345`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckSteamID,
}

func init() {
	checkGeoCmd.Flags().Float64Var(&checkLat, "lat", 0, "Latitude")
	checkGeoCmd.Flags().Float64Var(&checkLon, "lon", 0, "Longitude")

	checkSignCmd.Flags().StringVar(&checkImgKey, "img-key", "", "Image key fragment (required)")
	checkSignCmd.Flags().StringVar(&checkSubKey, "sub-key", "", "Sub key fragment (required)")
	checkSignCmd.Flags().Int64Var(&checkWts, "wts", 0, "Unix timestamp to sign with (defaults to now)")
	_ = checkSignCmd.MarkFlagRequired("img-key")
	_ = checkSignCmd.MarkFlagRequired("sub-key")

	checkCmd.AddCommand(checkGeoCmd)
	checkCmd.AddCommand(checkSignCmd)
	checkCmd.AddCommand(checkSteamIDCmd)
	rootCmd.AddCommand(checkCmd)
}

func printBanner(title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println(title)
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printFooter() {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func runCheckGeo(cmd *cobra.Command, args []string) error {
	useCoords := cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
	if useCoords == (len(args) == 1) {
		return fmt.Errorf("provide either an IP or --lat and --lon")
	}
	if useCoords && !geo.ValidCoords(checkLat, checkLon) {
		return fmt.Errorf("invalid coordinates: %v,%v", checkLat, checkLon)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	resolver := geo.NewResolver(geo.Options{
		APIKey:          cfg.Weather.APIKey,
		Timeout:         config.ParseDuration(cfg.Weather.Timeout, 10*time.Second),
		FallbackTimeout: config.ParseDuration(cfg.Geo.FallbackTimeout, 8*time.Second),
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		loc   geo.Location
		found bool
		query string
	)
	if useCoords {
		query = fmt.Sprintf("%.2f,%.2f", checkLat, checkLon)
		loc, found = resolver.ResolveByCoords(ctx, checkLat, checkLon)
	} else {
		query = args[0]
		if geo.IsPrivate(query) {
			color.New(color.FgYellow).Printf("%s is a private or unparseable address, lookups are skipped\n", query)
			return nil
		}
		loc, found = resolver.ResolveByIP(ctx, query)
	}

	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	printBanner("GEO LOOKUP")
	fmt.Printf("Query:      %s\n", query)
	fmt.Printf("API key:    %t\n", cfg.Weather.APIKey != "")
	fmt.Println()
	fmt.Print("Result:     ")
	if !found {
		_, _ = red.Println("NOT FOUND")
		fmt.Println("            → Weather falls back to the site-wide city")
	} else {
		_, _ = green.Println(loc.City)
		fmt.Printf("Location:   %s\n", loc.LocationID)
		fmt.Printf("Region:     %s / %s\n", loc.Adm1, loc.Adm2)
		fmt.Printf("Country:    %s\n", loc.Country)
	}
	printFooter()

	return nil
}

func runCheckSign(cmd *cobra.Command, args []string) error {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid parameter %q, expected KEY=VALUE", arg)
		}
		params[key] = value
	}

	keys := bilibili.Keys{ImgKey: checkImgKey, SubKey: checkSubKey}
	if !keys.Valid() {
		return fmt.Errorf("both --img-key and --sub-key are required")
	}

	ts := time.Now()
	if checkWts > 0 {
		ts = time.Unix(checkWts, 0)
	}
	sig := bilibili.Sign(params, keys, ts)

	green := color.New(color.FgGreen, color.Bold)

	printBanner("WBI SIGNATURE")
	fmt.Printf("Mixin key:  %s\n", bilibili.MixinKey(keys))
	fmt.Printf("wts:        %d\n", sig.Wts)
	fmt.Print("w_rid:      ")
	_, _ = green.Println(sig.WRid)
	fmt.Println()
	fmt.Printf("Query:      %s&w_rid=%s\n", sig.Query, sig.WRid)
	printFooter()

	return nil
}

func runCheckSteamID(cmd *cobra.Command, args []string) error {
	id64, err := steam.ToSteamID64(args[0])

	printBanner("STEAM ID")
	fmt.Printf("Input:      %s\n", args[0])
	fmt.Print("SteamID64:  ")
	if err != nil {
		_, _ = color.New(color.FgRed, color.Bold).Println("INVALID")
		fmt.Printf("            → %v\n", err)
		printFooter()
		return err
	}
	_, _ = color.New(color.FgGreen, color.Bold).Println(id64)
	printFooter()

	return nil
}
